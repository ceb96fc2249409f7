package cache

// VendorName resolves a BLE SIG company identifier to a human-readable
// name, used to key the scan_command result's manufacturer_data map. It
// never gates any operation: an unknown ID is just reported numerically.
var knownVendors = map[uint16]string{
	0x004C: "Apple, Inc.",
	0x0006: "Microsoft",
	0x000F: "Broadcom",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x00E0: "Google",
	0x0059: "Nordic Semiconductor ASA",
}

// VendorName returns the known vendor name for a manufacturer company ID,
// or "" if unrecognized.
func VendorName(companyID uint16) string {
	return knownVendors[companyID]
}
