package guest

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/homelab/warren/internal/target"
)

// domainDevices is the subset of a domain definition needed for presence
// checks.
type domainDevices struct {
	Disks []struct {
		Source struct {
			File string `xml:"file,attr"`
		} `xml:"source"`
		Target struct {
			Dev string `xml:"dev,attr"`
		} `xml:"target"`
	} `xml:"devices>disk"`
	Filesystems []struct {
		Source struct {
			Dir string `xml:"dir,attr"`
		} `xml:"source"`
		Target struct {
			Dir string `xml:"dir,attr"`
		} `xml:"target"`
	} `xml:"devices>filesystem"`
	Hostdevs []struct {
		Source struct {
			Address pciAddressXML `xml:"address"`
		} `xml:"source"`
	} `xml:"devices>hostdev"`
}

type pciAddressXML struct {
	Domain   string `xml:"domain,attr"`
	Bus      string `xml:"bus,attr"`
	Slot     string `xml:"slot,attr"`
	Function string `xml:"function,attr"`
}

func parseDomainDevices(desc string) (*domainDevices, error) {
	var devs domainDevices
	if err := xml.Unmarshal([]byte(desc), &devs); err != nil {
		return nil, err
	}
	return &devs, nil
}

// has reports whether the definition already carries the device.
func (d *domainDevices) has(dev target.Device) (bool, error) {
	switch dev.Type {
	case "disk":
		for _, disk := range d.Disks {
			if disk.Source.File == dev.Source || disk.Target.Dev == dev.TargetDev {
				return true, nil
			}
		}
		return false, nil
	case "filesystem":
		for _, fs := range d.Filesystems {
			if fs.Source.Dir == dev.Source || fs.Target.Dir == dev.TargetTag {
				return true, nil
			}
		}
		return false, nil
	case "pci":
		want, err := parsePCIAddress(dev.Address)
		if err != nil {
			return false, err
		}
		for _, hd := range d.Hostdevs {
			have, err := hd.Source.Address.values()
			if err != nil {
				continue
			}
			if have == want {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown device type %q", dev.Type)
	}
}

type pciAddress struct {
	domain, bus, slot, function uint64
}

// parsePCIAddress parses a host function address like "0000:00:02.1".
func parsePCIAddress(s string) (pciAddress, error) {
	var a pciAddress
	n, err := fmt.Sscanf(s, "%4x:%2x:%2x.%x", &a.domain, &a.bus, &a.slot, &a.function)
	if err != nil || n != 4 {
		return a, fmt.Errorf("malformed pci address %q", s)
	}
	return a, nil
}

// values normalizes the hex attribute strings of a definition's address.
func (x pciAddressXML) values() (pciAddress, error) {
	var a pciAddress
	for _, part := range []struct {
		raw string
		out *uint64
	}{
		{x.Domain, &a.domain},
		{x.Bus, &a.bus},
		{x.Slot, &a.slot},
		{x.Function, &a.function},
	} {
		v, err := strconv.ParseUint(strings.TrimPrefix(part.raw, "0x"), 16, 32)
		if err != nil {
			return a, err
		}
		*part.out = v
	}
	return a, nil
}

// deviceXML renders the attachable XML fragment for a device.
func deviceXML(dev target.Device) (string, error) {
	switch dev.Type {
	case "disk":
		return fmt.Sprintf(`<disk type='file' device='disk'>
  <driver name='qemu' type='qcow2'/>
  <source file='%s'/>
  <target dev='%s' bus='virtio'/>
</disk>`, dev.Source, dev.TargetDev), nil
	case "filesystem":
		return fmt.Sprintf(`<filesystem type='mount' accessmode='passthrough'>
  <driver type='virtiofs'/>
  <source dir='%s'/>
  <target dir='%s'/>
</filesystem>`, dev.Source, dev.TargetTag), nil
	case "pci":
		a, err := parsePCIAddress(dev.Address)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`<hostdev mode='subsystem' type='pci' managed='yes'>
  <source>
    <address domain='0x%04x' bus='0x%02x' slot='0x%02x' function='0x%x'/>
  </source>
</hostdev>`, a.domain, a.bus, a.slot, a.function), nil
	default:
		return "", fmt.Errorf("unknown device type %q", dev.Type)
	}
}
