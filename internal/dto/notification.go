package dto

// NotificationQuery mirrors supported feed filters.
type NotificationQuery struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// RegisterDeviceRequest re-registers a client's push delivery address.
type RegisterDeviceRequest struct {
	DeviceToken string `json:"deviceToken"`
	Platform    string `json:"platform"`
}
