package changes

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies which kind of tracked input a file or directory is
type Category int

const (
	// Images are binary assets that feed the image processor
	Images Category = iota + 1
	// Data is structured seed data for the database and search index
	Data
	// Config covers environment and service definitions
	Config
	// Scripts is the orchestration code itself
	Scripts
)

// AllCategories lists every category in reporting order
var AllCategories = []Category{Images, Data, Config, Scripts}

// ErrUnknownCategory is matched by errors.Is for *UnknownCategoryError
var ErrUnknownCategory = errors.New("unknown category")

// UnknownCategoryError names a category string that is not defined
type UnknownCategoryError struct {
	Name string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category: %s", e.Name)
}

func (e *UnknownCategoryError) Unwrap() error {
	return ErrUnknownCategory
}

// String returns the lower-case name used in configuration and reports
func (c Category) String() string {
	switch c {
	case Images:
		return "images"
	case Data:
		return "data"
	case Config:
		return "config"
	case Scripts:
		return "scripts"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory converts a configuration name into a Category
func ParseCategory(name string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "images":
		return Images, nil
	case "data":
		return Data, nil
	case "config":
		return Config, nil
	case "scripts":
		return Scripts, nil
	default:
		return 0, &UnknownCategoryError{Name: name}
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Flags records which categories changed
type Flags struct {
	Images  bool `json:"images" yaml:"images"`
	Data    bool `json:"data" yaml:"data"`
	Config  bool `json:"config" yaml:"config"`
	Scripts bool `json:"scripts" yaml:"scripts"`
}

// Set marks c as changed
func (f *Flags) Set(c Category) {
	switch c {
	case Images:
		f.Images = true
	case Data:
		f.Data = true
	case Config:
		f.Config = true
	case Scripts:
		f.Scripts = true
	}
}

// Has reports whether c is marked as changed
func (f Flags) Has(c Category) bool {
	switch c {
	case Images:
		return f.Images
	case Data:
		return f.Data
	case Config:
		return f.Config
	case Scripts:
		return f.Scripts
	}
	return false
}

// Any reports whether at least one category is set
func (f Flags) Any() bool {
	return f.Images || f.Data || f.Config || f.Scripts
}

// allFlags returns Flags with every category set
func allFlags() Flags {
	return Flags{Images: true, Data: true, Config: true, Scripts: true}
}
