package pairing

import (
	"context"
	"github.com/stretchr/testify/mock"
)

type MockOperator struct {
	mock.Mock
}

func (m *MockOperator) OnAmbiguous(ctx context.Context, s Session) (string, error) {
	args := m.Called(ctx, s)
	return args.String(0), args.Error(1)
}

var _ Operator = (*MockOperator)(nil)
