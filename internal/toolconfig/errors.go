package toolconfig

import "errors"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrCatalogDirEmpty    = errors.New("catalog_dir cannot be empty")
)
