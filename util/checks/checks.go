package checks

import (
	"github.com/phuslu/log"
)

// Checks has its own package, to prevent dependency cycles

// Check exits on err, for errors the user can act on.
func Check(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("diffbench failed")
	}
}
