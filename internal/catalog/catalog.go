// Package catalog holds the fixed, ordered reading catalog. The sync engine
// only ever references steps by integer index; the content here is consumed
// by presentational layers.
package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed steps.yaml
var stepsYAML []byte

// Step is one entry of the reading catalog: a verse to read aloud and a
// response the other participant reads back.
type Step struct {
	Index          int    `yaml:"index" json:"index"`
	SectionTheme   string `yaml:"section_theme" json:"section_theme"`
	VerseReference string `yaml:"verse_reference" json:"verse_reference"`
	VerseText      string `yaml:"verse_text" json:"verse_text"`
	ResponseText   string `yaml:"response_text" json:"response_text"`
}

var steps []Step

func init() {
	if err := yaml.Unmarshal(stepsYAML, &steps); err != nil {
		panic(fmt.Sprintf("catalog: invalid embedded steps.yaml: %v", err))
	}
	for i, s := range steps {
		if s.Index != i {
			panic(fmt.Sprintf("catalog: step %d carries index %d", i, s.Index))
		}
	}
}

// Size returns the number of steps in the catalog.
func Size() int { return len(steps) }

// Steps returns the full ordered catalog.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// At returns the catalog entry at index i.
func At(i int) (Step, error) {
	if i < 0 || i >= len(steps) {
		return Step{}, fmt.Errorf("catalog: step index %d out of range [0,%d)", i, len(steps))
	}
	return steps[i], nil
}
