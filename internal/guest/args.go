package guest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/plugin"
)

// ErrMalformedArguments is returned when the process arguments do not carry
// every key the panel passes at spawn.
var ErrMalformedArguments = errors.New("malformed plugin arguments")

// Argument keys passed by the panel as key=value tokens.
const (
	ArgSocketID       = "socket_id"
	ArgName           = "name"
	ArgID             = "id"
	ArgDisplayName    = "display_name"
	ArgSize           = "size"
	ArgScreenPosition = "screen_position"
)

var requiredArgs = []string{ArgSocketID, ArgName, ArgID, ArgDisplayName, ArgSize, ArgScreenPosition}

// Args is the startup state handed to a guest by the panel.
type Args struct {
	SocketID       display.Window
	Identity       plugin.Identity
	Size           int
	ScreenPosition plugin.ScreenPosition
}

// Argv renders a in the form ParseArgs accepts, after exe.
func (a Args) Argv(exe string) []string {
	return []string{
		exe,
		ArgSocketID + "=" + strconv.FormatUint(uint64(a.SocketID), 10),
		ArgName + "=" + a.Identity.Name,
		ArgID + "=" + a.Identity.ID,
		ArgDisplayName + "=" + a.Identity.DisplayName,
		ArgSize + "=" + strconv.Itoa(a.Size),
		ArgScreenPosition + "=" + strconv.Itoa(int(a.ScreenPosition)),
	}
}

// ParseArgs reads the key=value tokens in argv[1:]. Unknown keys and tokens
// without '=' are ignored; on duplicate keys the first value wins. Numbers
// may be written in any base strconv.ParseInt detects from the prefix.
func ParseArgs(argv []string) (Args, error) {
	values := make(map[string]string, len(requiredArgs))
	if len(argv) > 1 {
		for _, tok := range argv[1:] {
			key, val, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			if _, seen := values[key]; !seen {
				values[key] = val
			}
		}
	}

	var missing []string
	for _, k := range requiredArgs {
		if _, ok := values[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Args{}, fmt.Errorf("%w: missing %s", ErrMalformedArguments, strings.Join(missing, ", "))
	}

	socketID, err := parseNumber(values, ArgSocketID)
	if err != nil {
		return Args{}, err
	}
	if socketID <= 0 || socketID > math.MaxUint32 {
		return Args{}, fmt.Errorf("%w: %s out of range", ErrMalformedArguments, ArgSocketID)
	}
	size, err := parseNumber(values, ArgSize)
	if err != nil {
		return Args{}, err
	}
	pos, err := parseNumber(values, ArgScreenPosition)
	if err != nil {
		return Args{}, err
	}
	if pos < 0 || pos > int64(plugin.PositionFloatingV) {
		return Args{}, fmt.Errorf("%w: %s %d out of range", ErrMalformedArguments, ArgScreenPosition, pos)
	}

	return Args{
		SocketID: display.Window(socketID),
		Identity: plugin.Identity{
			Name:        values[ArgName],
			ID:          values[ArgID],
			DisplayName: values[ArgDisplayName],
		},
		Size:           int(size),
		ScreenPosition: plugin.ScreenPosition(pos),
	}, nil
}

func parseNumber(values map[string]string, key string) (int64, error) {
	n, err := strconv.ParseInt(values[key], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedArguments, key, err)
	}
	return n, nil
}
