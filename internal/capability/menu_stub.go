//go:build nogui || headless || !(darwin || windows)

package capability

// No native menu outside GUI builds; setupMenu is simply not registered and
// calls to it fail with NOT_FOUND.
func platformCapabilities(Env) []NativeCapability {
	return nil
}
