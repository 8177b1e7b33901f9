package transport

import "context"

// Connector models the BLE central-side connection sequence that
// precedes any container traffic, per original_source/central_fw's
// connect -> data-length-update -> MTU-exchange -> GATT-discovery ->
// subscribe ordering (spec.md's SUPPLEMENTED FEATURES #3). The radio
// stack behind it is out of scope (spec.md §1); this interface exists
// only so client.Session.Connect has an unambiguous sequencing
// contract to drive, and so tests can supply a fake.
type Connector interface {
	// Connect establishes the underlying physical/link-layer connection.
	Connect(ctx context.Context) error
	// UpdateDataLength negotiates the link-layer data length extension,
	// run before MTU exchange per the firmware's observed ordering.
	UpdateDataLength(ctx context.Context) error
	// ExchangeMTU negotiates the ATT MTU and returns the agreed value.
	ExchangeMTU(ctx context.Context) (mtu int, err error)
	// DiscoverServices resolves the blerpc GATT service/characteristic.
	DiscoverServices(ctx context.Context) error
	// Subscribe enables notifications on the blerpc characteristic and
	// returns the Link the rest of the session communicates over.
	Subscribe(ctx context.Context) (Link, error)
}
