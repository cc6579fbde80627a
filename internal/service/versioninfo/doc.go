// Package versioninfo picks a package version from the binaries it ships.
//
// Every .dll and .exe is asked for the ProductVersion string of its PE
// version resource; the most frequent value wins.
package versioninfo
