package manifest

import (
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

var ErrNoManifests = errors.New("no manifest files found")

type manifestFile struct {
	Drivers []*DriverDescriptor `yaml:"drivers"`
}

// Store holds the immutable set of loaded descriptors in load order.
type Store struct {
	descriptors []*DriverDescriptor
	byID        map[string]*DriverDescriptor
}

// NewStore wraps already constructed descriptors, duplicate ids are retained so that the
// fingerprint index can reject them.
func NewStore(descriptors ...*DriverDescriptor) *Store {
	s := &Store{byID: make(map[string]*DriverDescriptor, len(descriptors))}

	for _, d := range descriptors {
		s.descriptors = append(s.descriptors, d)
		if _, found := s.byID[d.ID]; !found {
			s.byID[d.ID] = d
		}
	}

	return s
}

func LoadDir(dir string) (*Store, error) {
	return Load(os.DirFS(dir))
}

// Load reads every .yaml, .yml and .json file below the root of fsys in lexical path order.
func Load(fsys fs.FS) (*Store, error) {
	var files []string

	if err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		switch strings.ToLower(path.Ext(p)) {
		case ".yaml", ".yml", ".json":
			files = append(files, p)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk manifests: %w", err)
	}

	if len(files) == 0 {
		return nil, ErrNoManifests
	}

	sort.Strings(files)

	var descriptors []*DriverDescriptor

	for _, f := range files {
		ds, err := loadFile(fsys, f)
		if err != nil {
			return nil, err
		}

		descriptors = append(descriptors, ds...)
	}

	return NewStore(descriptors...), nil
}

func loadFile(fsys fs.FS, name string) ([]*DriverDescriptor, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	defer f.Close()

	return Decode(f, name)
}

// Decode parses a single manifest document and validates every descriptor in it, source
// names the document in errors.
func Decode(r io.Reader, source string) ([]*DriverDescriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var mf manifestFile
	if err := dec.Decode(&mf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to parse manifest %s: %w", source, err)
	}

	for _, d := range mf.Drivers {
		if d == nil {
			return nil, fmt.Errorf("manifest %s: empty driver entry", source)
		}

		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", source, err)
		}
	}

	return mf.Drivers, nil
}

// Descriptors returns the descriptors in load order, the slice must not be modified.
func (s *Store) Descriptors() []*DriverDescriptor {
	return s.descriptors
}

func (s *Store) Get(id string) (*DriverDescriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

func (s *Store) Len() int {
	return len(s.descriptors)
}
