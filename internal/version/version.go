package version

// Current defines the application version.
// It defaults to "dev" and is overwritten at build time using -ldflags.
var Current = "dev"

// AppName is used for the service name in traces and the config directory
const AppName = "nightscout-advisor"
