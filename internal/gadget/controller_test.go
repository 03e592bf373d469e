package gadget

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records the register/unregister call sequence and can be
// told to fail the next registration.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	nextID   int
	failNext error
}

func (f *fakeTransport) AllocString(s string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) Register(ctx context.Context, b *Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.calls = append(f.calls, "register:"+b.Personality.Label)
	return nil
}

func (f *fakeTransport) Unregister(ctx context.Context, b *Binding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unregister:"+b.Personality.Label)
}

func (f *fakeTransport) Name() string { return "fake-udc" }

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) setFailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func newTestController(t *testing.T) (*Controller, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	return NewController(tr, ControllerConfig{}, nil), tr
}

func TestInitialModeIsNone(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, ModeNone, c.Current())
}

func TestSwitchToACM(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeACM))
	assert.Equal(t, ModeACM, c.Current())
	assert.Equal(t, []string{"register:" + ACM.Label}, tr.callLog())
}

func TestSwitchIsIdempotent(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeACM))
	before := tr.callLog()

	// Same-mode switch must not touch the transport.
	require.NoError(t, c.SwitchTo(ctx, ModeACM))
	assert.Equal(t, before, tr.callLog())

	require.NoError(t, c.SwitchTo(ctx, ModeNone))
	require.NoError(t, c.SwitchTo(ctx, ModeNone))
	assert.Equal(t, append(before, "unregister:"+ACM.Label), tr.callLog())
}

func TestSwitchUnregistersBeforeRegistering(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeACM))
	require.NoError(t, c.SwitchTo(ctx, ModeAccessory))
	assert.Equal(t, ModeAccessory, c.Current())

	assert.Equal(t, []string{
		"register:" + ACM.Label,
		"unregister:" + ACM.Label,
		"register:" + Accessory.Label,
	}, tr.callLog())
}

func TestFailedSwitchLeavesModeNone(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeACM))

	boom := errors.New("udc rejected binding")
	tr.setFailNext(boom)
	err := c.SwitchTo(ctx, ModeAccessory)
	require.ErrorIs(t, err, boom)

	// The old personality is gone and the new one never came up.
	assert.Equal(t, ModeNone, c.Current())

	// An explicit retry can bring the device back.
	require.NoError(t, c.SwitchTo(ctx, ModeAccessory))
	assert.Equal(t, ModeAccessory, c.Current())
}

func TestResetReRegisters(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeAccessory))
	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, ModeAccessory, c.Current())

	assert.Equal(t, []string{
		"register:" + Accessory.Label,
		"unregister:" + Accessory.Label,
		"register:" + Accessory.Label,
	}, tr.callLog())
}

func TestResetAtNoneIsNoop(t *testing.T) {
	c, tr := newTestController(t)

	require.NoError(t, c.Reset(context.Background()))
	assert.Empty(t, tr.callLog())
	assert.Equal(t, ModeNone, c.Current())
}

func TestResetKeepsModeOnFailure(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SwitchTo(ctx, ModeACM))
	tr.setFailNext(errors.New("probe failed"))
	require.Error(t, c.Reset(ctx))

	// Reset reports failure but does not change the recorded mode; a later
	// reset can retry the same personality.
	assert.Equal(t, ModeACM, c.Current())
	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, ModeACM, c.Current())
}

func TestConcurrentSwitchesSerialize(t *testing.T) {
	c, tr := newTestController(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		target := ModeACM
		if i%2 == 1 {
			target = ModeAccessory
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.SwitchTo(ctx, target)
		}()
	}
	wg.Wait()

	// Every observed call sequence must alternate register/unregister with
	// matching labels; no interleaved half-transitions.
	var registered string
	for _, call := range tr.callLog() {
		switch {
		case registered == "" && call[:9] == "register:":
			registered = call[9:]
		case registered != "" && call == "unregister:"+registered:
			registered = ""
		default:
			t.Fatalf("unbalanced transition sequence: %v", tr.callLog())
		}
	}
}

func TestPersonalityDescriptors(t *testing.T) {
	assert.Equal(t, uint16(0x0525), ACM.VendorID)
	assert.Equal(t, uint16(0xa4a7), ACM.ProductID)
	assert.Equal(t, uint8(ClassComm), ACM.DeviceClass)
	assert.Equal(t, uint8(2), ACM.ConfigValue)

	assert.Equal(t, uint16(0x18d1), Accessory.VendorID)
	assert.Equal(t, uint16(0x2d00), Accessory.ProductID)
	assert.Equal(t, uint8(ClassVendor), Accessory.DeviceClass)
	assert.Equal(t, uint8(1), Accessory.ConfigValue)
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"acm":       ModeACM,
		"serial":    ModeACM,
		"accessory": ModeAccessory,
		"aoa":       ModeAccessory,
		"none":      ModeNone,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("midi")
	assert.Error(t, err)
}
