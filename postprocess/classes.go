package postprocess

import "github.com/pkg/errors"

// ClassSet maps class indices of the loss output to names.
type ClassSet struct {
	// Class set identifier.
	Name string
	// Labels indexed by class.
	Labels []string
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewClassSet builds a class set and its name index.
func NewClassSet(name string, labels ...string) *ClassSet {
	s := &ClassSet{Name: name, Labels: labels, nameToIdx: make(map[string]int, len(labels))}
	for i, l := range labels {
		s.nameToIdx[l] = i
	}
	return s
}

// Label returns the name of class idx.
func (s *ClassSet) Label(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Labels) {
		return "", errors.Errorf("index %d out of range for class set %q", idx, s.Name)
	}
	return s.Labels[idx], nil
}

// Index returns the class index for name.
func (s *ClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in class set %q", name, s.Name)
	}
	return idx, nil
}

// VOCClasses is the 20 Pascal VOC classes, zero-based, matching loss.DefaultParams.
var VOCClasses = NewClassSet("voc",
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
)
