package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the geoanomaly MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score a card transaction against the buyer's learned location and time-of-day habits. "+
			"Returns a score, whether it is an anomaly, and the distance and time factors behind it. "+
			"Scoring also teaches the profile unless the transaction is flagged."),
	mcp.WithString("buyer",
		mcp.Required(),
		mcp.Description("The buyer's user ID (e.g. 'user-42')")),
	mcp.WithString("timestamp",
		mcp.Required(),
		mcp.Description("When the transaction happened, ISO-8601 (e.g. '2024-03-01T14:30:00Z'). Naive timestamps are UTC.")),
	mcp.WithNumber("latitude",
		mcp.Description("Latitude in degrees, -90 to 90")),
	mcp.WithNumber("longitude",
		mcp.Description("Longitude in degrees, -180 to 180")),
	mcp.WithString("seller",
		mcp.Description("Optional merchant ID")),
	mcp.WithString("ip",
		mcp.Description("Client IP, used to locate the transaction when latitude and longitude are omitted")),
)

var ToolGetProfile = mcp.NewTool("get_profile",
	mcp.WithDescription(
		"Show a user's learned profile: their location clusters with radius and weight, "+
			"and how their transactions spread over time slots."),
	mcp.WithString("user",
		mcp.Required(),
		mcp.Description("The user ID")),
)

var ToolBuildProfile = mcp.NewTool("build_profile",
	mcp.WithDescription(
		"Rebuild a user's profile from a batch of historical transactions, replacing what was learned so far. "+
			"Use this to bootstrap a new user before scoring live traffic."),
	mcp.WithString("user",
		mcp.Required(),
		mcp.Description("The user ID the history belongs to")),
	mcp.WithArray("transactions",
		mcp.Required(),
		mcp.Description("Historical transactions, each {timestamp, latitude, longitude, seller}. buyer defaults to user."),
		mcp.Items(map[string]any{"type": "object"})),
)

var ToolListAssessments = mcp.NewTool("list_assessments",
	mcp.WithDescription(
		"List a user's most recent assessments, newest first, to review why transactions were flagged."),
	mcp.WithString("user",
		mcp.Required(),
		mcp.Description("The user ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 20, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch the next, older page")),
)

var ToolRunDecaySweep = mcp.NewTool("run_decay_sweep",
	mcp.WithDescription(
		"Age every profile now: cluster weights shrink and clusters that fall below the prune threshold are removed. "+
			"Normally this runs on a timer. Requires the admin secret."),
)
