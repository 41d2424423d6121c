// Copyright 2015 Comcast Cable Communications Management, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// End Copyright

package core

import (
	"fmt"
	"regexp"
	"time"
)

// Duration lets a config struct or a rule's JSON body hold a
// human-written duration ("30s", "5m") as well as a bare integer
// count of nanoseconds.
//
// Go won't let us add methods to time.Duration directly ("cannot
// define new methods on non-local type"), so this wraps it.
type Duration time.Duration

var quotedRe = regexp.MustCompile(`^".*"$`)
var digitsRe = regexp.MustCompile(`^\d+$`)

func (d *Duration) UnmarshalJSON(data []byte) error {
	if quotedRe.Match(data) {
		data = data[1 : len(data)-1]
	}
	if digitsRe.Match(data) {
		data = []byte(fmt.Sprintf("%sns", data))
	}
	x, err := time.ParseDuration(string(data))
	if err != nil {
		Log(ERROR, nil, "core.Duration.UnmarshalJSON", "data", string(data), "err", err)
		return err
	}
	*d = Duration(x)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std returns the stdlib time.Duration this value wraps.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
