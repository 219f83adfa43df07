package domain

// DeviceRecord pairs a receiver's friendly name with its network address.
type DeviceRecord struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
