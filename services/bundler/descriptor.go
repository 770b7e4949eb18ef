package bundler

import (
	"errors"
	"fmt"
	"sync"

	"addinbundle/pkg/render"
)

// DescriptorName is the archive entry holding the bundle descriptor.
const DescriptorName = "manifest.xml"

var (
	renderer     *render.Engine
	rendererErr  error
	rendererOnce sync.Once
)

func getRenderer() (*render.Engine, error) {
	rendererOnce.Do(func() {
		renderer, rendererErr = render.New()
	})
	return renderer, rendererErr
}

// Component is one native library listed in the descriptor.
type Component struct {
	OS     string `yaml:"os"`
	Arch   string `yaml:"arch"`
	Path   string `yaml:"path"`
	ArchOS string `yaml:"archos"`
}

// Descriptor accumulates components in processing order and is rendered
// once by Seal.
type Descriptor struct {
	name       string
	components []Component
	sealed     bool
}

// NewDescriptor starts a descriptor for the named bundle.
func NewDescriptor(name string) *Descriptor {
	return &Descriptor{name: name}
}

// Add appends a component. It fails after Seal.
func (d *Descriptor) Add(c Component) error {
	if d.sealed {
		return errors.New("descriptor already sealed")
	}
	d.components = append(d.components, c)
	return nil
}

// Len returns the number of components added so far.
func (d *Descriptor) Len() int { return len(d.components) }

// Components returns a copy of the components in order.
func (d *Descriptor) Components() []Component {
	out := make([]Component, len(d.components))
	copy(out, d.components)
	return out
}

// Seal closes the descriptor and returns its XML.
func (d *Descriptor) Seal() ([]byte, error) {
	if d.sealed {
		return nil, errors.New("descriptor already sealed")
	}
	engine, err := getRenderer()
	if err != nil {
		return nil, err
	}
	out, err := engine.Render("manifest.xml.tmpl", struct {
		Name       string
		Components []Component
	}{d.name, d.components})
	if err != nil {
		return nil, fmt.Errorf("render descriptor: %w", err)
	}
	d.sealed = true
	return []byte(out), nil
}
