package fallback

import "github.com/rotisserie/eris"

var errNoLiveStrategies = eris.New("fallback: no live strategies configured")
