package registry

// DefaultModules is the built-in module set. Deployments replace it through
// the modules section of the config file.
var DefaultModules = []Module{
	{Key: "core", Tables: []string{"departments", "employees"}},
	{Key: "education", Tables: []string{"schools", "students", "enrollments"}},
	{Key: "health", Tables: []string{"clinics", "patients", "appointments"}},
	{Key: "events", Tables: []string{"events"}},
}

// Default returns a registry over DefaultModules.
func Default() *Registry {
	return MustNew(DefaultModules)
}
