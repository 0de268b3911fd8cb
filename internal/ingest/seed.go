package ingest

type knowledge struct {
	content  string
	source   string
	category string
}

// seedKnowledge is the built-in corpus written by Indexer.Seed.
var seedKnowledge = []knowledge{
	{
		"IBM Cloud CLI is a command-line interface that provides a set of commands for managing IBM Cloud resources. You can use it to create, configure, and manage IBM Cloud services from your terminal.",
		"IBM Cloud CLI Overview",
		"basic_knowledge",
	},
	{
		"To install IBM Cloud CLI, you can download it from the IBM Cloud website or use package managers like Homebrew on macOS or apt-get on Ubuntu. After installation, use 'ibmcloud login' to authenticate.",
		"IBM Cloud CLI Installation",
		"installation_guide",
	},
	{
		"Common IBM Cloud CLI commands include: 'ibmcloud login' for authentication, 'ibmcloud target' to set your target organization and space, 'ibmcloud resource groups' to list resource groups, and 'ibmcloud cf apps' to list Cloud Foundry applications.",
		"IBM Cloud CLI Commands",
		"command_reference",
	},
	{
		"IBM Cloud CLI plugins extend the functionality of the CLI. You can install plugins using 'ibmcloud plugin install <plugin-name>'. Popular plugins include container-service, cloud-functions, and dev.",
		"IBM Cloud CLI Plugins",
		"plugin_guide",
	},
	{
		"To manage Cloud Foundry applications with IBM Cloud CLI, use commands like 'ibmcloud cf push' to deploy apps, 'ibmcloud cf apps' to list apps, 'ibmcloud cf logs' to view logs, and 'ibmcloud cf delete' to remove apps.",
		"Cloud Foundry Management",
		"cf_commands",
	},
	{
		"IBM Cloud CLI supports multiple output formats including JSON, table, and CSV. Use the '--output json' flag to get machine-readable output for scripting and automation.",
		"IBM Cloud CLI Output Formats",
		"output_formatting",
	},
}
