package hostcmd

import (
	"fmt"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/rwhash"
	"github.com/oxplot/go-usbc/tcpc"
)

// Ports gives the USB-PD commands access to the ports of the board.
// pdtask.Ports implements it.
type Ports interface {
	// Count returns the number of ports. Ports are numbered from 0.
	Count() int

	// TCPC returns the port controller of port p.
	TCPC(p usbc.PortID) (tcpc.Driver, error)
}

// RegisterPD registers the USB-PD commands. cache must only be used by the
// goroutine running the commands.
func RegisterPD(r *Registry, ports Ports, cache *rwhash.Cache) error {
	cmds := []Command{
		{
			ID:       CmdUSBPDPorts,
			Name:     "usb_pd_ports",
			Versions: VerMask(0),
			Handler: func(req Request) ([]byte, error) {
				return Encode(PortsResponse{NumPorts: uint8(ports.Count())}), nil
			},
		},
		{
			ID:       CmdRWHashEntry,
			Name:     "usb_pd_rw_hash_entry",
			Versions: VerMask(0),
			Handler: func(req Request) ([]byte, error) {
				var p RWHashEntryParams
				if err := Decode(req.Params, &p); err != nil {
					return nil, err
				}
				return nil, cache.Upsert(rwhash.Entry{DevID: p.DevID, Hash: p.Hash, ImageInfo: p.ImageInfo})
			},
		},
		{
			ID:       CmdPDChipInfo,
			Name:     "pd_chip_info",
			Versions: VerMask(0) | VerMask(1),
			Handler: func(req Request) ([]byte, error) {
				return chipInfo(ports, req)
			},
		},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func chipInfo(ports Ports, req Request) ([]byte, error) {
	var p ChipInfoParams
	if err := Decode(req.Params, &p); err != nil {
		return nil, err
	}
	if int(p.Port) >= ports.Count() {
		return nil, fmt.Errorf("%w: port %d", usbc.ErrInvalidPort, p.Port)
	}
	tc, err := ports.TCPC(usbc.PortID(p.Port))
	if err != nil {
		return nil, err
	}
	info, err := tc.ChipInfo(usbc.PortID(p.Port), p.Live != 0)

	// On failure the last known identity, if any, goes along with the error

	if err != nil && info == (tcpc.ChipInfo{}) {
		return nil, err
	}
	v1 := Encode(ChipInfoV1{
		ChipInfoV0: ChipInfoV0{
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			DeviceID:  info.DeviceID,
			FWVersion: info.FWVersion,
		},
		MinReqFWVersion: info.MinReqFWVersion,
	})
	if req.Version == 0 {
		return v1[:SizeChipInfoV0], err
	}
	return v1, err
}
