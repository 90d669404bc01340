package network

// Settings are fixed at pool construction.
// Zero numeric values fall back to the defaults below.
type Settings struct {
	TCPEnableNoDelay   bool `json:"tcp_enable_nodelay"`
	TCPEnableKeepAlive bool `json:"tcp_enable_keepalive"`
	// TCPKeepAliveTimeSeconds keepalive探测间隔
	TCPKeepAliveTimeSeconds uint `json:"tcp_keepalive_time_seconds"`
	// TCPEnableSimultaneousAccepts/TCPBacklog kept for config parity;
	// the Go listener exposes no portable knob for them.
	TCPEnableSimultaneousAccepts bool `json:"tcp_enable_simultaneous_accepts"`
	TCPBacklog                   int  `json:"tcp_backlog"`
	// TCPSendBufferSize/TCPRecvBufferSize socket buffer sizes,
	// 0 means the system default. Linux doubles the set value.
	TCPSendBufferSize        int  `json:"tcp_send_buffer_size"`
	TCPRecvBufferSize        int  `json:"tcp_recv_buffer_size"`
	TCPConnectTimeoutSeconds uint `json:"tcp_connect_timeout_seconds"`
	TCPIdleTimeoutSeconds    uint `json:"tcp_idle_timeout_seconds"`
	TCPSendTimeoutSeconds    uint `json:"tcp_send_timeout_seconds"`
	UDPTTL                   int  `json:"udp_ttl"`
}

// DefaultSettings the recommended settings. NewPool fills numeric
// fields left zero from these values; boolean fields are used as given.
func DefaultSettings() Settings {
	return Settings{
		TCPEnableNoDelay:             true,
		TCPEnableKeepAlive:           true,
		TCPKeepAliveTimeSeconds:      30,
		TCPEnableSimultaneousAccepts: true,
		TCPBacklog:                   128,
		TCPConnectTimeoutSeconds:     10,
		TCPIdleTimeoutSeconds:        30,
		TCPSendTimeoutSeconds:        30,
	}
}

func (s *Settings) withDefaults() {
	def := DefaultSettings()
	if s.TCPKeepAliveTimeSeconds == 0 {
		s.TCPKeepAliveTimeSeconds = def.TCPKeepAliveTimeSeconds
	}
	if s.TCPBacklog == 0 {
		s.TCPBacklog = def.TCPBacklog
	}
	if s.TCPConnectTimeoutSeconds == 0 {
		s.TCPConnectTimeoutSeconds = def.TCPConnectTimeoutSeconds
	}
	if s.TCPIdleTimeoutSeconds == 0 {
		s.TCPIdleTimeoutSeconds = def.TCPIdleTimeoutSeconds
	}
	if s.TCPSendTimeoutSeconds == 0 {
		s.TCPSendTimeoutSeconds = def.TCPSendTimeoutSeconds
	}
}
