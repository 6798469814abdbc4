package httpapi

// Config defines control API settings.
type Config struct {
	Addr            string
	SessionCookie   string
	SessionTTLHours int
	// BaseURL is the externally visible URL; an https URL marks cookies Secure.
	BaseURL  string
	BasePath string
	// HubHistory is the number of stream events kept for Last-Event-ID replay.
	HubHistory int
	// SessionFile persists login sessions across restarts when set.
	SessionFile string
}
