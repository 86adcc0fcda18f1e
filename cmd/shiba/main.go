// The shiba command runs demo workloads on a modeled memory-management
// subsystem and inspects the databases those runs record.
package main

func main() {
	Execute()
}
