package process

import "errors"

var errEmptyCommand = errors.New("process: command is empty")
