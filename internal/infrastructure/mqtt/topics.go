package mqtt

// TopicPrefix is the root of every onionwarden topic.
const TopicPrefix = "onionwarden"

// Topics builds onionwarden topic names.
//
//	onionwarden/system/status   retained presence (online, offline, LWT)
//	onionwarden/tor/state       retained handle state
//	onionwarden/tor/bootstrap   bootstrap progress
//	onionwarden/tor/log         Tor stdout lines (opt-in)
//	onionwarden/tor/command     start/stop requests
//	onionwarden/tor/response    command results
type Topics struct{}

// SystemStatus returns onionwarden/system/status.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// TorState returns onionwarden/tor/state.
func (Topics) TorState() string {
	return TopicPrefix + "/tor/state"
}

// TorBootstrap returns onionwarden/tor/bootstrap.
func (Topics) TorBootstrap() string {
	return TopicPrefix + "/tor/bootstrap"
}

// TorLog returns onionwarden/tor/log.
func (Topics) TorLog() string {
	return TopicPrefix + "/tor/log"
}

// TorCommand returns onionwarden/tor/command.
func (Topics) TorCommand() string {
	return TopicPrefix + "/tor/command"
}

// TorResponse returns onionwarden/tor/response.
func (Topics) TorResponse() string {
	return TopicPrefix + "/tor/response"
}

// AllTor matches every tor topic.
func (Topics) AllTor() string {
	return TopicPrefix + "/tor/#"
}
