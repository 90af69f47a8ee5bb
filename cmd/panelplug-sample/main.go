// panelplug-sample is a minimal external panel plugin. It shows a clock,
// reports the panel's geometry and keeps its settings in a small YAML file.
//
// Install a descriptor like this in the plugins directory:
//
//	name: sample-clock
//	display_name: Clock
//	exec: panelplug-sample
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xfeldman/panelplug/internal/guest"
	"github.com/xfeldman/panelplug/internal/plugin"
)

type settings struct {
	Format string `yaml:"format"`
	Expand bool   `yaml:"expand"`
}

type clock struct {
	path string

	mu   sync.Mutex
	cfg  settings
	stop chan struct{}
}

func main() {
	if err := guest.Run(os.Args, construct); err != nil {
		fmt.Fprintf(os.Stderr, "panelplug-sample: %v\n", err)
		os.Exit(1)
	}
}

func construct(p *guest.Plugin) {
	dir, _ := os.UserConfigDir()
	c := &clock{
		path: filepath.Join(dir, "panelplug", p.ID()+".yaml"),
		cfg:  settings{Format: time.Kitchen},
		stop: make(chan struct{}),
	}
	c.load()
	if c.cfg.Expand {
		p.SetExpand(true)
	}

	p.OnSave(c.save)
	p.OnFreeData(func() { close(c.stop) })
	p.OnSizeChanged(func(size int) {
		slog.Info("size changed", "size", size, "orientation", p.Orientation())
	})
	p.OnScreenPositionChanged(func(pos plugin.ScreenPosition) {
		slog.Info("screen position changed", "position", pos, "floating", pos.IsFloating())
	})
	p.OnSensitiveChanged(func(sensitive bool) {
		slog.Info("sensitivity changed", "sensitive", sensitive)
	})
	p.OnMenuOpened(func() {
		// The menu has a single "Properties" entry that opens at once.
		p.MenuClosed()
		p.CustomizePanel()
	})
	p.OnCustomize(func() {
		c.mu.Lock()
		c.cfg.Expand = !c.cfg.Expand
		expand := c.cfg.Expand
		c.mu.Unlock()
		p.SetExpand(expand)
	})

	go c.tick()
}

func (c *clock) tick() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		c.mu.Lock()
		format := c.cfg.Format
		c.mu.Unlock()
		fmt.Println(time.Now().Format(format))

		select {
		case <-t.C:
		case <-c.stop:
			return
		}
	}
}

func (c *clock) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := yaml.Unmarshal(data, &c.cfg); err != nil {
		slog.Warn("ignoring settings", "path", c.path, "error", err)
	}
}

func (c *clock) save() {
	c.mu.Lock()
	data, err := yaml.Marshal(c.cfg)
	c.mu.Unlock()
	if err != nil {
		slog.Error("encode settings", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		slog.Error("save settings", "error", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		slog.Error("save settings", "error", err)
	}
}
