package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the node MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBrowseListings = mcp.NewTool("browse_listings",
	mcp.WithDescription(
		"List the items a vendor offers. Returns each listing's hash, title and price in base units. "+
			"Use a listing hash with purchase."),
	mcp.WithString("vendor",
		mcp.Required(),
		mcp.Description("The vendor's peer id (66 hex characters starting with 02 or 03)")),
)

var ToolPurchase = mcp.NewTool("purchase",
	mcp.WithDescription(
		"Buy a listing from a vendor. Creates an order and returns the escrow payment address and amount. "+
			"Pay the amount with spend to fund the order. "+
			"Name a moderator to use 2-of-3 escrow that a third party can arbitrate."),
	mcp.WithString("listing_hash",
		mcp.Required(),
		mcp.Description("Content hash of the listing (e.g. 'sha256:ab12...')")),
	mcp.WithNumber("quantity",
		mcp.Description("How many to buy (default 1)")),
	mcp.WithString("moderator",
		mcp.Description("Peer id of a moderator. Omit for a direct payment to the vendor.")),
	mcp.WithString("refund_address",
		mcp.Description("Where refunds are paid. Defaults to a fresh node wallet address.")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription("Show one order: state, parties, amount, escrow address and history."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id returned by purchase")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription("List this node's orders, newest first."),
	mcp.WithString("role",
		mcp.Description("Only orders where this node is the buyer, vendor or moderator"),
		mcp.Enum("buyer", "vendor", "moderator")),
	mcp.WithString("state",
		mcp.Description("Only orders in this state"),
		mcp.Enum("PENDING", "CONFIRMED", "FUNDED", "FULFILLED", "COMPLETE", "REJECTED", "CANCELED", "DISPUTED", "DECIDED", "RESOLVED")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolConfirmOrder = mcp.NewTool("confirm_order",
	mcp.WithDescription(
		"As the vendor, accept an order or reject it. Rejecting a funded order refunds the buyer."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order to answer")),
	mcp.WithBoolean("reject",
		mcp.Description("Reject instead of accepting")),
	mcp.WithString("reason",
		mcp.Description("Why the order is rejected")),
)

var ToolFulfillOrder = mcp.NewTool("fulfill_order",
	mcp.WithDescription(
		"As the vendor, mark a funded order as delivered. Direct orders pay out to the vendor immediately."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order to fulfill")),
	mcp.WithObject("details",
		mcp.Description("Delivery details for the buyer, e.g. {\"tracking\": \"1Z999\"}")),
)

var ToolCompleteOrder = mcp.NewTool("complete_order",
	mcp.WithDescription(
		"As the buyer, close a fulfilled order with a rating. Moderated orders release escrow to the vendor."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order to complete")),
	mcp.WithNumber("rating",
		mcp.Required(),
		mcp.Description("Rating from 1 to 5")),
	mcp.WithString("review",
		mcp.Description("Optional review text")),
)

var ToolCancelOrder = mcp.NewTool("cancel_order",
	mcp.WithDescription(
		"As the buyer, cancel an order the vendor has not answered. Any escrowed funds are refunded."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order to cancel")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Ask the order's moderator to decide how escrowed funds are split. Only moderated orders can be disputed."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order in dispute")),
	mcp.WithString("claim",
		mcp.Required(),
		mcp.Description("What went wrong")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check the node wallet's confirmed and unconfirmed balance in base units."),
)

var ToolSpend = mcp.NewTool("spend",
	mcp.WithDescription(
		"Send funds from the node wallet. Use this to pay an order's payment address."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Destination address (e.g. '0x1234...')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in base units")),
	mcp.WithString("fee_level",
		mcp.Description("Fee level (default NORMAL)"),
		mcp.Enum("ECONOMIC", "NORMAL", "PRIORITY")),
)
