// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/buildenv/buildenv/cmd/buildenv"

func main() {
	cmd.Execute()
}
