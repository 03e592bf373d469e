package gadget

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Default locations of the Linux gadget configfs tree and the UDC class
// directory.
const (
	DefaultConfigFSRoot = "/sys/kernel/config/usb_gadget"
	UDCClassDir         = "/sys/class/udc"
)

// langDir is the USB language ID directory for en-US strings.
const langDir = "0x409"

// ConfigFS registers personalities through the kernel's gadget configfs
// interface: descriptor fields and identity strings are written as attribute
// files, the function is linked into the configuration, and writing the UDC
// name binds the gadget to the controller, which is the point where the host
// can see it.
type ConfigFS struct {
	root string
	name string
	udc  string

	mu     sync.Mutex
	nextID int

	logger *slog.Logger
}

// NewConfigFS prepares a configfs transport rooted at root (empty means
// DefaultConfigFSRoot) for a gadget directory called name. When udc is empty
// the first controller under /sys/class/udc is used.
func NewConfigFS(root, name, udc string, logger *slog.Logger) (*ConfigFS, error) {
	if root == "" {
		root = DefaultConfigFSRoot
	}
	if name == "" {
		name = "accessoryd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if udc == "" {
		detected, err := detectUDC()
		if err != nil {
			return nil, err
		}
		udc = detected
	}
	return &ConfigFS{root: root, name: name, udc: udc, nextID: 1, logger: logger}, nil
}

// detectUDC picks the first device controller the kernel exposes.
func detectUDC() (string, error) {
	entries, err := os.ReadDir(UDCClassDir)
	if err != nil {
		return "", fmt.Errorf("gadget: list device controllers: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("gadget: no device controller under %s", UDCClassDir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names[0], nil
}

// Name returns the bound device controller's name.
func (c *ConfigFS) Name() string { return c.udc }

// AllocString reserves a descriptor string slot. configfs derives the actual
// descriptor indexes from the language directory itself; the returned IDs
// order the strings within a binding.
func (c *ConfigFS) AllocString(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("gadget: empty descriptor string")
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()
	return id, nil
}

// gadgetDir returns the root of this gadget's configfs tree.
func (c *ConfigFS) gadgetDir() string {
	return filepath.Join(c.root, c.name)
}

// functionName maps a personality to its configfs function entry. The ACM
// personality uses the kernel's acm function; the accessory personality is a
// functionfs function whose endpoints are served by this daemon.
func functionName(p Personality) string {
	if p.DeviceClass == ClassVendor {
		return "ffs.accessory"
	}
	return "acm.GS0"
}

// Register builds the configfs tree for the binding and binds the UDC.
func (c *ConfigFS) Register(ctx context.Context, b *Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p := b.Personality
	g := c.gadgetDir()
	cfg := filepath.Join(g, "configs", fmt.Sprintf("c.%d", p.ConfigValue))
	fn := filepath.Join(g, "functions", functionName(p))

	steps := []struct {
		path  string
		value string
	}{
		{filepath.Join(g, "idVendor"), fmt.Sprintf("0x%04x", p.VendorID)},
		{filepath.Join(g, "idProduct"), fmt.Sprintf("0x%04x", p.ProductID)},
		{filepath.Join(g, "bDeviceClass"), fmt.Sprintf("0x%02x", p.DeviceClass)},
		{filepath.Join(g, "bcdUSB"), "0x0200"},
		{filepath.Join(g, "strings", langDir, "manufacturer"), b.Manufacturer},
		{filepath.Join(g, "strings", langDir, "product"), b.Product},
		{filepath.Join(cfg, "strings", langDir, "configuration"), p.ConfigLabel},
		{filepath.Join(cfg, "bmAttributes"), "0xc0"}, // self powered
	}

	for _, d := range []string{
		filepath.Join(g, "strings", langDir),
		filepath.Join(cfg, "strings", langDir),
		fn,
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			c.removeTree(b)
			return fmt.Errorf("gadget: create %s: %w", d, err)
		}
	}

	if b.Serial != "" {
		steps = append(steps, struct{ path, value string }{
			filepath.Join(g, "strings", langDir, "serialnumber"), b.Serial,
		})
	}

	for _, s := range steps {
		if err := writeAttr(s.path, s.value); err != nil {
			c.removeTree(b)
			return err
		}
	}

	link := filepath.Join(cfg, functionName(p))
	if err := os.Symlink(fn, link); err != nil && !os.IsExist(err) {
		c.removeTree(b)
		return fmt.Errorf("gadget: link function: %w", err)
	}

	// Binding the UDC is the registration proper.
	if err := writeAttr(filepath.Join(g, "UDC"), c.udc); err != nil {
		c.removeTree(b)
		return err
	}

	c.logger.Debug("configfs gadget bound",
		"gadget", c.name, "udc", c.udc, "personality", p.Label)
	return nil
}

// Unregister unbinds the UDC and removes the gadget tree. Best effort.
func (c *ConfigFS) Unregister(ctx context.Context, b *Binding) {
	g := c.gadgetDir()
	if err := writeAttr(filepath.Join(g, "UDC"), ""); err != nil {
		c.logger.Warn("unbind device controller", "error", err)
	}
	c.removeTree(b)
	c.logger.Debug("configfs gadget unbound",
		"gadget", c.name, "personality", b.Personality.Label)
}

// removeTree tears down the configfs entries for a binding in unlink order.
func (c *ConfigFS) removeTree(b *Binding) {
	p := b.Personality
	g := c.gadgetDir()
	cfg := filepath.Join(g, "configs", fmt.Sprintf("c.%d", p.ConfigValue))

	for _, path := range []string{
		filepath.Join(cfg, functionName(p)), // symlink first
		filepath.Join(cfg, "strings", langDir),
		cfg,
		filepath.Join(g, "functions", functionName(p)),
		filepath.Join(g, "strings", langDir),
		g,
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Debug("configfs cleanup", "path", path, "error", err)
		}
	}
}

// writeAttr writes a single configfs attribute file.
func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("gadget: write %s: %w", path, err)
	}
	return nil
}
