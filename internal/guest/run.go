package guest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/xfeldman/panelplug/internal/display"
)

const attachTimeout = 10 * time.Second

// Run is the entry point of a plugin executable. It connects to the display
// named by PANELPLUG_DISPLAY, embeds the plugin and serves it until the panel
// frees it, the display goes away or the process is signalled.
func Run(argv []string, construct ConstructFunc, opts ...Option) error {
	setParentDeathSignal()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	// Fail on bad arguments before touching the display.
	if _, err := ParseArgs(argv); err != nil {
		return err
	}

	addr := os.Getenv(display.EnvDisplay)
	if addr == "" {
		return fmt.Errorf("%s not set", display.EnvDisplay)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()
	c, err := display.Dial(dialCtx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := New(dialCtx, c, argv, construct, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		return err
	}

	select {
	case <-p.Done():
	case <-c.Done():
		logger.Warn("display connection lost", "plugin", p.Name())
	case <-ctx.Done():
		p.Close()
		select {
		case <-p.Done():
		case <-c.Done():
		case <-time.After(time.Second):
		}
	}
	return nil
}
