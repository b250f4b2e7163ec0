package param

import (
	"errors"
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
)

// History keeps parameter set between sessions. The file shares the [GUI] format and is enabled
// by save_config_history stored in the file itself.
type History struct {
	Path string
}

// Retrieve returns saved parameters applied on top of base. Returns false if nothing saved
// or the saved set has history disabled.
func (h History) Retrieve(base Param) (Param, bool, error) {
	if _, err := os.Stat(h.Path); errors.Is(err, os.ErrNotExist) {
		return base, false, nil
	}
	p, err := Import(h.Path, base)
	if err != nil {
		return base, false, fmt.Errorf("can't retrieve config history: %w", err)
	}
	if !p.SaveConfigHistory {
		return base, false, nil
	}
	log.Printf("[INFO] config history retrieved from %s", h.Path)
	return p, true, nil
}

// Save stores parameters with history enabled
func (h History) Save(p Param) error {
	p.SaveConfigHistory = true
	if err := WriteSnapshot(h.Path, p); err != nil {
		return fmt.Errorf("can't save config history: %w", err)
	}
	return nil
}

// Remove deletes saved history. Safe to call if nothing saved.
func (h History) Remove() error {
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("can't remove config history: %w", err)
	}
	log.Printf("[DEBUG] config history %s removed", h.Path)
	return nil
}
