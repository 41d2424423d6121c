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

import "github.com/tidwall/pretty"

// PrettyJSON indents a raw JSON document for a log line or CLI
// printout: an event payload that failed validation, a rule
// condition a debug flag asked to dump. Malformed input is returned
// unchanged rather than failing the caller's log statement.
func PrettyJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return string(pretty.Pretty(raw))
}
