package version

// version.go holds the link-time defaults for a plain `go build`.
var (
	Version = "0.0.0"
	BuildId = "dev"
)
