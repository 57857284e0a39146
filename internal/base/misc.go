// Copyright 2025 The Loom Authors
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
// SPDX-License-Identifier: Apache-2.0

package base

import "os"

// An Environment is the execution context in which the program is running.
type Environment string

const (
	EnvironmentDev  Environment = "dev"  // development: testing, debugging, etc.
	EnvironmentProd Environment = "prod" // production: user data, SLOs, etc.
)

// CurrentEnvironment returns the environment the program is running in,
// as set by the LOOM_ENV environment variable. It defaults to prod.
func CurrentEnvironment() Environment {
	if v := os.Getenv("LOOM_ENV"); v != "" {
		return Environment(v)
	}
	return EnvironmentProd
}

// Zero returns the zero value for T.
func Zero[T any]() T {
	var z T
	return z
}
