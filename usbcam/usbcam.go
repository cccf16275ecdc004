// Package usbcam lists the still image cameras attached over USB
package usbcam

import (
	"fmt"

	"github.com/google/gousb"
)

// Device describes an attached camera
type Device struct {
	Bus     int    `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
	Vendor  string `json:"vendor" yaml:"vendor"`
	Product string `json:"product" yaml:"product"`
}

func (d Device) String() string {
	return fmt.Sprintf("bus %03d device %03d: ID %s:%s", d.Bus, d.Address, d.Vendor, d.Product)
}

// isStillImage is true if the device or any of its interfaces is of the
// still image (PTP) class
func isStillImage(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPTP {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == gousb.ClassPTP {
					return true
				}
			}
		}
	}
	return false
}

// List enumerates the attached still image cameras.  The devices are not opened.
func List() ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	out := []Device{}
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if isStillImage(desc) {
			out = append(out, Device{
				Bus:     desc.Bus,
				Address: desc.Address,
				Vendor:  desc.Vendor.String(),
				Product: desc.Product.String()})
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	return out, err
}
