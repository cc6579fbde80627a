// Package manifest persists nuspec Documents as XML files.
//
// The FileRepository writes <dir>/<id>.nuspec with an explicit XML
// declaration and the nuspec namespace on the root element, which is the
// exact shape the packaging tool expects.
package manifest
