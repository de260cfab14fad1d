package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
)

var ErrNoSteps = errors.New("program has no steps")

// Load reads a program from a .json, .yaml or .yml file.
func Load(path string) (Program, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Program{}, err
	}
	var p Program
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &p)
	default:
		err = json.Unmarshal(b, &p)
	}
	if err != nil {
		return Program{}, fmt.Errorf("program %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Program{}, fmt.Errorf("program %s: %w", path, err)
	}
	return p, nil
}

// Validate checks every step and sorts steps by start offset.
func (p *Program) Validate() error {
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}
	for i, s := range p.Steps {
		if s.AtS < 0 {
			return fmt.Errorf("step %d: negative atS %v", i, s.AtS)
		}
		if !s.Coord().Valid() {
			return fmt.Errorf("step %d: negative coordinate %s", i, s.Coord())
		}
		if _, err := s.Envelope(time.Time{}); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := envelope.FromSeconds("atS", s.AtS); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := envelope.FromSeconds("end", s.AtS+s.RampS+s.HoldS+s.FadeS); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	if _, err := envelope.FromSeconds("durationS", p.DurationS); err != nil {
		return err
	}
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].AtS < p.Steps[j].AtS })
	if p.Loop && p.Span() <= 0 {
		return errors.New("looping program has zero length")
	}
	return nil
}
