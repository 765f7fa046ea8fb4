package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// Pinger is implemented by dependencies that can report reachability, such
// as the postgres and NATS sinks and the sqlite credential store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a [Checker] that calls p.Ping.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BackendSource is the part of the backend registry the backends check needs.
type BackendSource interface {
	AvailableDescriptors() []backend.Descriptor
	Resolve(ctx context.Context, id string) (tts.Backend, error)
}

// BackendsCheck passes when at least one enabled backend resolves and
// reports itself configured. The failure lists why each backend was
// unusable.
func BackendsCheck(src BackendSource) Checker {
	return Checker{
		Name: "backends",
		Check: func(ctx context.Context) error {
			descs := src.AvailableDescriptors()
			if len(descs) == 0 {
				return errors.New("no backend enabled")
			}
			var problems []string
			for _, d := range descs {
				b, err := src.Resolve(ctx, d.ID)
				switch {
				case err != nil:
					problems = append(problems, err.Error())
				case !b.IsConfigured():
					problems = append(problems, fmt.Sprintf("%s: not configured", d.ID))
				default:
					return nil
				}
			}
			return fmt.Errorf("no backend available: %s", strings.Join(problems, "; "))
		},
	}
}
