// Package planner decides which devices an update affects, partitions them
// into a staged rollout plan and runs the plan's approval lifecycle.
package planner

import (
	"context"

	"github.com/pkg/errors"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/store"
	"github.com/itskum47/FleetRoll/control_plane/versioning"
)

// Resolver computes the affected device set of an update.
type Resolver struct {
	store store.Store
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the ONLINE devices that must receive the update, in device id order.
func (r *Resolver) Resolve(ctx context.Context, updateID string) ([]*store.Device, error) {
	return resolve(ctx, r.store, updateID)
}

func resolve(ctx context.Context, s store.Store, updateID string) ([]*store.Device, error) {
	update, err := s.GetUpdate(ctx, updateID)
	if err != nil {
		return nil, errors.Wrap(err, "load update")
	}
	if update == nil {
		return nil, errs.ErrUpdateNotFound.With("update %s", updateID)
	}

	entries, err := s.ListUpdatePackages(ctx, updateID)
	if err != nil {
		return nil, errors.Wrap(err, "load update packages")
	}
	if len(entries) == 0 {
		return []*store.Device{}, nil
	}

	devices, err := s.ListDevicesByStatus(ctx, store.DeviceOnline)
	if err != nil {
		return nil, errors.Wrap(err, "list online devices")
	}
	if len(devices) == 0 {
		return []*store.Device{}, nil
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	installed, err := s.ListInstalledPackages(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "list installed packages")
	}

	// deviceID -> package name -> installed versions
	inventory := make(map[string]map[string][]string, len(devices))
	for _, ip := range installed {
		byName, ok := inventory[ip.DeviceID]
		if !ok {
			byName = make(map[string][]string)
			inventory[ip.DeviceID] = byName
		}
		byName[ip.PackageName] = append(byName[ip.PackageName], ip.PackageVersion)
	}

	affected := make([]*store.Device, 0, len(devices))
	for _, d := range devices {
		hit, err := deviceAffected(entries, inventory[d.DeviceID])
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", d.DeviceID)
		}
		if hit {
			affected = append(affected, d)
		}
	}
	return affected, nil
}

// deviceAffected stops at the first entry that affects the device.
func deviceAffected(entries []*store.UpdatePackage, installed map[string][]string) (bool, error) {
	for _, up := range entries {
		hit, err := entryAffects(up, installed[up.PackageName])
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

func entryAffects(up *store.UpdatePackage, versions []string) (bool, error) {
	if up.Forced {
		return true, nil
	}
	switch up.Action {
	case store.ActionInstall:
		if len(versions) == 0 {
			return true, nil
		}
		// any installed copy older than the target needs the install
		for _, v := range versions {
			cmp, err := versioning.Compare(v, up.PackageVersion)
			if err != nil {
				return false, err
			}
			if cmp < 0 {
				return true, nil
			}
		}
		return false, nil
	case store.ActionUninstall:
		return len(versions) > 0, nil
	default:
		return false, nil
	}
}
