package models

import "errors"

// ErrNotFound - общий корень ошибок "не найдено" хранилища.
// Конкретные ошибки репозиториев оборачивают его.
var ErrNotFound = errors.New("not found")
