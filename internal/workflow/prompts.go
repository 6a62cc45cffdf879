package workflow

import (
	"fmt"

	"github.com/seenimoa/autostock/internal/report"
)

// Agent names as they appear in chat histories and progress events.
const (
	UserProxyName             = "User_Proxy_Auto"
	FinancialAssistantName    = "Financial_Assistant"
	ResearcherName            = "Researcher"
	WriterName                = "Writer"
	ExporterName              = "Exporter"
	CriticName                = "Critic"
	LegalReviewerName         = "Legal_Reviewer"
	ConsistencyReviewerName   = "Consistency_Reviewer"
	TextAlignmentReviewerName = "Text_Alignment_Reviewer"
	CompletionReviewerName    = "Completion_Reviewer"
	MetaReviewerName          = "Meta_Reviewer"
)

// FinancialTask is the opening message of the data-gathering chat.
func FinancialTask(today, stocks string) string {
	return fmt.Sprintf(`Today is %s.
What are the current stock prices of %s, and how is the performance over the past 6 months in terms of percentage change?
Start by retrieving the full name of each stock and use it for all future requests.
Prepare a figure of the normalized price of these stocks and save it to a file named %s.
Include info about P/E, Forward P/E, Dividends, Price to Book, Debt/Equity, ROE.
Analyze the correlation between the stocks.
Do not use API keys.
If the data is wrong (e.g., price = 0), retry with a better query.`, today, stocks, report.ChartFileName)
}

// ResearchTask is the opening message of the news chat.
const ResearchTask = `Investigate possible reasons of the stock performance using news headlines from Bing or Google.
Retrieve 10 headlines per stock.
Use full names.
Do not use sentiment analysis or APIs.`

// WritingTask is the critic's opening message to the writer.
func WritingTask() string {
	return fmt.Sprintf(`Write a full financial report using all data and %s.
Include a comparison table for all metrics and recent news.
Explain each ratio, compare stocks, and summarize the news.
Offer future scenarios based on news and performance.
Only return the final report in Markdown (no comments).`, report.ChartFileName)
}

// ExportTask asks the exporter to persist the report.
const ExportTask = "Save the final report (only the report) to a .md file using a Python script."

// System messages.
const (
	WriterSystemMessage = `You are a professional writer for financial reports.
Write in Markdown without block indicators or comments.
Only return final work.`

	CriticSystemMessage = "You are a critic. Provide final improvement feedback."

	LegalReviewerSystemMessage         = "Ensure content is legally compliant. 3 bullet points max."
	ConsistencyReviewerSystemMessage   = "Check consistency of numbers and facts."
	TextAlignmentReviewerSystemMessage = "Ensure text matches data."
	CompletionReviewerSystemMessage    = "Ensure all required elements are present."
	MetaReviewerSystemMessage          = "Aggregate all feedback into one recommendation."
)

// Summary prompts and carryovers.
const (
	FinancialSummaryPrompt = "Return the stock prices, performance, and financial metrics in JSON. Include figure filenames."
	ResearchSummaryPrompt  = "Return news headlines per stock as JSON. Be precise and exclude vague headlines."
	ReviewerSummaryPrompt  = "{'reviewer': '', 'review': ''}"

	ProceedCarryover = "Proceed to the next step automatically."
	WritingCarryover = "Ensure a table and figure are included in the final report."

	MetaReviewMessage = "Aggregate feedback from all reviewers and give final suggestions on the writing."
)

// ReviewMessage is the opening message of each reviewer chat: the newest
// draft the trigger agent sent.
func ReviewMessage(draft string) string {
	return "Review the following content:\n\n" + draft
}
