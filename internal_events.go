package atc

type internalDeviceAdded struct {
	device Product
}

type internalDeviceRemoved struct {
	device Product
}
