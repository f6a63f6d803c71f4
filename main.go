package main

import "qpkg/internal/qpkg"

func main() {
	qpkg.Main()
}
