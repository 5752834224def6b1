//go:build !edge

package radio

import (
	"fmt"
	"log/slog"

	"sensorsync/internal/domain"
)

// TinyGoRadio is only available in edge builds.
type TinyGoRadio struct {
	domain.Radio
}

// NewTinyGoRadio reports that the hardware backend was not compiled in.
func NewTinyGoRadio(_ *slog.Logger) (*TinyGoRadio, error) {
	return nil, fmt.Errorf("tinygo radio backend requires a build with -tags edge")
}
