package usb

import (
	"time"

	"github.com/google/gousb"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// GousbConfig describes which USB device to open and how its endpoints
// map onto the three bulk-out tags plus the bulk-in direction.
type GousbConfig struct {
	VendorID, ProductID gousb.ID
	ConfigNum           int
	InterfaceNum        int
	AltNum              int

	// OutEndpoints maps each bulk-out tag to its endpoint number. In
	// SingleEp mode all three tags map to the same number.
	OutEndpoints map[DescriptorTag]int

	// InEndpointNum is the single bulk-in endpoint (output-activation).
	InEndpointNum int
}

// GousbDevice is the real Device, backed by github.com/google/gousb
// (libusb bindings). The timeout arguments of BulkOut, BulkIn and Control
// are not passed on to gousb.
type GousbDevice struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	outEP map[DescriptorTag]*gousb.OutEndpoint
	inEP  *gousb.InEndpoint
	mode  DeviceMode
}

// OpenGousbDevice opens the device matching cfg's vendor/product id,
// claims its interface, and resolves every configured endpoint.
func OpenGousbDevice(cfg GousbConfig) (*GousbDevice, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		ctx.Close()
		return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, tpuerr.NewError("usb.OpenGousbDevice", tpuerr.CodeNotFound, "no device matched vendor/product id")
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
	}

	gcfg, err := dev.Config(cfg.ConfigNum)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
	}

	intf, err := gcfg.Interface(cfg.InterfaceNum, cfg.AltNum)
	if err != nil {
		gcfg.Close()
		dev.Close()
		ctx.Close()
		return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
	}

	g := &GousbDevice{
		ctx:   ctx,
		dev:   dev,
		cfg:   gcfg,
		intf:  intf,
		outEP: make(map[DescriptorTag]*gousb.OutEndpoint, len(cfg.OutEndpoints)),
		mode:  ModeApplication,
	}

	seen := make(map[int]*gousb.OutEndpoint)
	for tag, epNum := range cfg.OutEndpoints {
		if ep, ok := seen[epNum]; ok {
			g.outEP[tag] = ep
			continue
		}
		ep, err := intf.OutEndpoint(epNum)
		if err != nil {
			g.Close()
			return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
		}
		seen[epNum] = ep
		g.outEP[tag] = ep
	}

	inEP, err := intf.InEndpoint(cfg.InEndpointNum)
	if err != nil {
		g.Close()
		return nil, tpuerr.WrapError("usb.OpenGousbDevice", err)
	}
	g.inEP = inEP

	return g, nil
}

func (g *GousbDevice) Mode() DeviceMode { return g.mode }

func (g *GousbDevice) Speed() ConnectionSpeed {
	switch g.dev.Desc.Speed {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper, gousb.SpeedSuperPlus:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

func (g *GousbDevice) BulkOut(tag DescriptorTag, data []byte, timeout time.Duration) (int, error) {
	ep, ok := g.outEP[tag]
	if !ok {
		return 0, tpuerr.NewError("usb.GousbDevice.BulkOut", tpuerr.CodeInvalidArgument, "tag has no configured endpoint")
	}
	n, err := ep.Write(data)
	if err != nil {
		return n, tpuerr.WrapError("usb.GousbDevice.BulkOut", err)
	}
	return n, nil
}

func (g *GousbDevice) BulkIn(_ DescriptorTag, buf []byte, timeout time.Duration) (int, error) {
	n, err := g.inEP.Read(buf)
	if err != nil {
		return n, tpuerr.WrapError("usb.GousbDevice.BulkIn", err)
	}
	return n, nil
}

func (g *GousbDevice) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	n, err := g.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return n, tpuerr.WrapError("usb.GousbDevice.Control", err)
	}
	return n, nil
}

func (g *GousbDevice) Reset() error {
	if err := g.dev.Reset(); err != nil {
		return tpuerr.WrapError("usb.GousbDevice.Reset", err)
	}
	return nil
}

func (g *GousbDevice) Close() error {
	if g.intf != nil {
		g.intf.Close()
	}
	var firstErr error
	if g.cfg != nil {
		if err := g.cfg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.dev != nil {
		if err := g.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.ctx != nil {
		if err := g.ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return tpuerr.WrapError("usb.GousbDevice.Close", firstErr)
	}
	return nil
}

var _ Device = (*GousbDevice)(nil)
