package iiod

import "github.com/iiodproj/iiod/internal/constants"

// Re-exported wire and default-configuration constants for the public API.
const (
	DefaultPort        = constants.DefaultPort
	DefaultNbPipes     = constants.DefaultNbPipes
	DefaultSerialParam = constants.DefaultSerialParam
	AttrScratchBufSize = constants.AttrScratchBufSize
)
