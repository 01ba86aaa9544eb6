// Oversampling ADC front end
package project

import (
	"sync"
	"sync/atomic"
)

type AdcChannel uint8

const (
	ADC_HOTEND_0 AdcChannel = iota
	ADC_HOTEND_1
	ADC_HOTEND_2
	ADC_BED
	ADC_AMBIENT
	ADC_PINDA
	ADC_VOLT_PWR
	ADC_CHANNEL_COUNT
)

// AdcDriver delivers one 10-bit conversion per call. The board wiring
// provides the real driver; tests script a plant simulation behind it.
type AdcDriver interface {
	Sample(ch AdcChannel) uint16
}

// AdcSampler round-robins the configured channel list, accumulating exactly
// OVERSAMPLENR conversions per channel into a 16-bit sum. A full cycle
// publishes every channel at once; readers never observe a partial update.
type AdcSampler struct {
	driver   AdcDriver
	channels []AdcChannel

	mu   sync.Mutex
	sums [ADC_CHANNEL_COUNT]int

	values_ready atomic.Bool
}

func NewAdcSampler(driver AdcDriver, channels []AdcChannel) *AdcSampler {
	self := &AdcSampler{}
	self.driver = driver
	self.channels = channels
	return self
}

// Start_cycle runs one full oversampling cycle and publishes the sums.
// The temperature manager re-arms the sampler once per tick, so cycle pacing
// follows the slower of the ADC and the manager period.
func (self *AdcSampler) Start_cycle() {
	var acc [ADC_CHANNEL_COUNT]int
	for n := 0; n < OVERSAMPLENR; n++ {
		for _, ch := range self.channels {
			acc[ch] += int(self.driver.Sample(ch))
		}
	}

	self.mu.Lock()
	for _, ch := range self.channels {
		self.sums[ch] = acc[ch]
	}
	self.mu.Unlock()
	self.values_ready.Store(true)
}

func (self *AdcSampler) Values_ready() bool {
	return self.values_ready.Load()
}

func (self *AdcSampler) Clear_ready() {
	self.values_ready.Store(false)
}

// Snapshot copies the published sums for every channel of the current cycle.
func (self *AdcSampler) Snapshot() [ADC_CHANNEL_COUNT]int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.sums
}
