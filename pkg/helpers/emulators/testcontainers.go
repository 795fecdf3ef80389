package emulators

// ImageContainer describes a docker image used as a test emulator and the port it listens on.
type ImageContainer struct {
	EmulatorImage string
	EmulatorPort  string
}

// EmulatorConnection is how a test reaches a started emulator.
type EmulatorConnection struct {
	Host string
	Port int
	// EmulatorAddress is the broker URL in the form paho expects, e.g. "tcp://localhost:32768".
	EmulatorAddress string
}
