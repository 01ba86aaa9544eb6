// Persistent key/value store
//
// Stands in for the EEPROM: a flat YAML map holding the observer calibration
// and the probe compensation byte. Writes go through a temp file + rename so
// a power cut never leaves a torn store behind.
package project

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"t3c/common/logger"
)

type VarStore struct {
	filename string

	mu     sync.RWMutex
	values map[string]interface{}
}

func NewVarStore(filename string) *VarStore {
	self := &VarStore{}
	self.filename = filename
	self.values = map[string]interface{}{}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if f, err := os.Create(filename); err == nil {
			f.Close()
		} else {
			logger.Errorf("store: cannot create %s: %v", filename, err)
		}
	}

	if err := self.load(); err != nil {
		logger.Errorf("store: cannot load %s: %v", filename, err)
	}
	return self
}

func (self *VarStore) load() error {
	content, err := os.ReadFile(self.filename)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(content, &values); err != nil {
		return err
	}
	self.mu.Lock()
	self.values = values
	self.mu.Unlock()
	return nil
}

func (self *VarStore) Save() error {
	self.mu.RLock()
	out, err := yaml.Marshal(self.values)
	self.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := self.filename + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(self.filename))
}

func (self *VarStore) Get_float(key string) (float64, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	switch v := self.values[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (self *VarStore) Set_float(key string, value float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.values[key] = value
}

func (self *VarStore) Get_byte(key string) (byte, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	switch v := self.values[key].(type) {
	case int:
		return byte(v), true
	case float64:
		return byte(v), true
	}
	return 0, false
}

func (self *VarStore) Set_byte(key string, value byte) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.values[key] = int(value)
}
