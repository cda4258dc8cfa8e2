// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is a binary wrapper package around cmd.
package main

import (
	"os"

	"github.com/google/go-sev-verify/cmd"
)

var version = "dev"

func main() {
	cmd.RootCmd.Version = version
	os.Exit(cmd.ExitCode(cmd.RootCmd.Execute()))
}
