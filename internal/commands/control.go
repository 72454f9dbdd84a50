package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lilith-daemons/internal/whisper"
)

// RegisterControlCommands registers the commands that change state.
// They are served on the maintenance port only.
func RegisterControlCommands(registry *CommandRegistry, target Target) {
	updates := target.Supervisor.Updates()
	engine := target.Supervisor.Engine()

	registry.Register(NewCustomCommandHandler("scan_media", "Scan removable media and stage new files", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			if len(params) > 0 {
				return nil, invalidParams("scan_media does not accept parameters")
			}
			return map[string]int{"found": updates.ScanRemovableMedia()}, nil
		}))

	registry.Register(NewCustomCommandHandler("check_ota", "Download the OTA artifact into staging", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			endpoint := updates.Endpoint()
			switch len(params) {
			case 0:
			case 1:
				endpoint = params[0]
			default:
				return nil, invalidParams("check_ota accepts at most one endpoint")
			}
			n, err := updates.CheckNetworkUpdate(ctx, endpoint)
			if err != nil {
				return nil, AsCommandError(err)
			}
			return map[string]int{"found": n}, nil
		}))

	registry.Register(NewCustomCommandHandler("process_pending", "Verify and install staged files", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			if len(params) > 0 {
				return nil, invalidParams("process_pending does not accept parameters")
			}
			n := updates.ProcessPending()
			return map[string]interface{}{
				"installed":     n,
				"rebootPending": updates.RebootPending(),
			}, nil
		}))

	registry.Register(NewCustomCommandHandler("clear_reboot_marker", "Remove the reboot marker", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			if err := updates.ClearRebootMarker(); err != nil {
				return nil, AsCommandError(err)
			}
			return map[string]bool{"rebootPending": updates.RebootPending()}, nil
		}))

	registry.Register(NewCustomCommandHandler("sweep_sessions", "Remove expired whisper sessions", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			return map[string]int{"expired": engine.SweepExpiredSessions()}, nil
		}))

	registry.Register(NewCustomCommandHandler("exchange", "Send a payload over an open session", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			if len(params) != 2 {
				return nil, invalidParams("exchange requires address and payload")
			}
			if err := engine.Exchange(params[0], []byte(params[1])); err != nil {
				return nil, AsCommandError(err)
			}
			return map[string]int{"bytes": len(params[1])}, nil
		}))

	registry.Register(NewCustomCommandHandler("forget_device", "Drop a device and its session", false, false,
		func(ctx context.Context, params []string) (interface{}, error) {
			if len(params) != 1 {
				return nil, invalidParams("forget_device requires an address")
			}
			if !engine.Forget(params[0]) {
				return nil, AsCommandError(fmt.Errorf("%w: %s", whisper.ErrUnknownDevice, params[0]))
			}
			return map[string]bool{"forgotten": true}, nil
		}))

	if target.Radio != nil {
		registry.Register(NewCustomCommandHandler("radio_reset", "Take the radio offline for a reset", false, true,
			func(ctx context.Context, params []string) (interface{}, error) {
				blackout := target.ResetBlackout
				if len(params) > 1 {
					return nil, invalidParams("radio_reset accepts at most one duration in seconds")
				}
				if len(params) == 1 {
					sec, err := strconv.Atoi(params[0])
					if err != nil || sec < 0 || sec > 600 {
						return nil, &CommandError{Code: ErrInvalidRange, Message: "reset duration must be 0-600 seconds"}
					}
					blackout = time.Duration(sec) * time.Second
				}
				target.Radio.Reset(blackout)
				return map[string]string{"blackout": blackout.String()}, nil
			}))
	}
}
