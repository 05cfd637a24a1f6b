// Package types provides core types used across the engram STM module.
// This package has ZERO dependencies on other engram packages to avoid
// circular imports. All other packages should import types from here.
package types
