package internal

// Version is reported by /metrics and the client header.
const Version = "0.4.0"
