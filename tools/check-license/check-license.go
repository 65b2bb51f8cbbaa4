// Copyright 2018-2021 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// check-license verifies that every Go source file of the module starts
// with the license header. With -fix the header is prepended where missing.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	fix  = flag.Bool("fix", false, "add header if not present")
	root = flag.String("root", ".", "module root to check")
)

var licenseText = `// Copyright 2018-2021 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

`

const prefix = "// Copyright "

// directories the go tool ignores are not ours to check
func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" || strings.HasPrefix(name, "_") || (strings.HasPrefix(name, ".") && name != ".")
}

func check(path string) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if bytes.HasPrefix(src, []byte(prefix)) {
		return true, nil
	}
	if !*fix {
		return false, nil
	}
	return true, os.WriteFile(path, append([]byte(licenseText), bytes.TrimLeft(src, "\n")...), 0644)
}

func main() {
	flag.Parse()

	var missing []string
	err := filepath.WalkDir(*root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != *root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		ok, err := check(path)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, path)
		}
		return nil
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	for _, p := range missing {
		fmt.Printf("%s: license header not present or not at the top, to fix run: go run tools/check-license/check-license.go -fix\n", p)
	}
	if len(missing) > 0 {
		os.Exit(1)
	}
}
