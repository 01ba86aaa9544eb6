package project

import (
	"testing"
)

type rampDriver struct {
	calls map[AdcChannel]int
}

func (self *rampDriver) Sample(ch AdcChannel) uint16 {
	self.calls[ch]++
	return uint16(ch) * 10
}

func TestSamplerAccumulatesExactOversamples(t *testing.T) {
	driver := &rampDriver{calls: map[AdcChannel]int{}}
	channels := []AdcChannel{ADC_HOTEND_0, ADC_BED, ADC_AMBIENT}
	sampler := NewAdcSampler(driver, channels)

	if sampler.Values_ready() {
		t.Fatal("no cycle ran yet")
	}
	sampler.Start_cycle()
	if !sampler.Values_ready() {
		t.Fatal("cycle completion must raise the ready flag")
	}

	for _, ch := range channels {
		if driver.calls[ch] != OVERSAMPLENR {
			t.Fatalf("channel %d sampled %d times, want %d", ch, driver.calls[ch], OVERSAMPLENR)
		}
	}

	snap := sampler.Snapshot()
	for _, ch := range channels {
		want := int(ch) * 10 * OVERSAMPLENR
		if snap[ch] != want {
			t.Fatalf("channel %d sum %d, want %d", ch, snap[ch], want)
		}
	}

	sampler.Clear_ready()
	if sampler.Values_ready() {
		t.Fatal("ready flag must clear")
	}
}

// All channels in a snapshot belong to the same cycle even when the driver
// value changes between cycles.
type cycleDriver struct {
	cycle int
}

func (self *cycleDriver) Sample(ch AdcChannel) uint16 {
	return uint16(self.cycle)
}

func TestSamplerSnapshotCoherent(t *testing.T) {
	driver := &cycleDriver{cycle: 1}
	channels := []AdcChannel{ADC_HOTEND_0, ADC_BED}
	sampler := NewAdcSampler(driver, channels)

	sampler.Start_cycle()
	driver.cycle = 2
	sampler.Start_cycle()

	snap := sampler.Snapshot()
	if snap[ADC_HOTEND_0] != snap[ADC_BED] {
		t.Fatalf("torn snapshot: %d vs %d", snap[ADC_HOTEND_0], snap[ADC_BED])
	}
	if snap[ADC_BED] != 2*OVERSAMPLENR {
		t.Fatalf("stale cycle published: %d", snap[ADC_BED])
	}
}
