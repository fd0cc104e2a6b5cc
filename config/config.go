package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every .yaml and .yml file below it when it is a
// directory, merging files in lexical order. Later files win on scalar keys,
// lists are appended.
func (c *C) Load(path string) error {
	files, err := resolve(path, true)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	slices.Sort(files)

	raw := make([][]byte, len(files))
	for i, f := range files {
		raw[i], err = os.ReadFile(f)
		if err != nil {
			return err
		}
	}

	m, err := merge(raw...)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = m
	return nil
}

// LoadString replaces the settings with a single yaml document.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	m, err := merge([]byte(raw))
	if err != nil {
		return err
	}

	c.Settings = m
	return nil
}

// Files are the config files found by the last Load.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback stores a function to be called when a config reload is triggered. The functions registered
// here should decide if they need to make a change to the current process before making the change. HasChanged can be
// used to help decide if a change is necessary.
// These functions should return quickly or spawn their own go routine if they will take a while
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if this is the first load of the config, and ReloadConfig has not been called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged checks if the underlying structure of the provided key has changed after a config reload. The value of
// k in both the old and new settings will be serialized, the result of the string comparison is returned.
// If k is an empty string the entire config is tested.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP will listen for the HUP signal in a go routine and reload all configs found in the
// original path provided to Load, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the original path again and runs the reload callbacks.
// A config that fails to load is logged and the current settings are kept.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = old
	c.runCallbacks()
}

// ReloadConfigString is ReloadConfig for a config held in memory.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.oldSettings = old
	c.runCallbacks()
	return nil
}

func (c *C) runCallbacks() {
	for _, v := range c.callbacks {
		v(c)
	}
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d if not found or invalid
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint8 will get the uint8 for k or return the default d if not found, invalid or out of range
func (c *C) GetUint8(k string, d uint8) uint8 {
	r := c.GetInt(k, int(d))
	if r < 0 || r > math.MaxUint8 {
		return d
	}
	return uint8(r)
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// GetAddrPort parses k as host:port, bracketing IPv6 hosts. Unlike the other
// getters a set but unparsable value is an error, so a typo in an address is
// not silently replaced by the default.
func (c *C) GetAddrPort(k string, d netip.AddrPort) (netip.AddrPort, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}

	v, err := netip.ParseAddrPort(fmt.Sprintf("%v", r))
	if err != nil {
		return d, fmt.Errorf("%s: %w", k, err)
	}
	return v, nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

// merge unmarshals each document and merges them in order.
func merge(docs ...[]byte) (map[string]any, error) {
	var m map[string]any

	for _, b := range docs {
		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return nil, err
		}

		if nm == nil {
			nm = make(map[string]any)
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}

	return m, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil, nil
		}

		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}
