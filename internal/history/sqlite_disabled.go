//go:build !sqlite
// +build !sqlite

package history

import "errors"

func openSQLite(Config) (driver, error) {
	return nil, errors.New("sqlite history not built: build with -tags sqlite")
}
