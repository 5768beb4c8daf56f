package prompt

import "parishai/pkg/domain"

// Compiled-in instruction texts, used when no persisted prompt exists
// for a content type. Admin edits in the prompt store override these.
var defaults = map[domain.ContentType]string{
	domain.ContentSummary: "Read the attached sermon document carefully and write a clear, faithful summary. " +
		"Cover the central message, the main scripture passages referenced, and the key points of application. " +
		"Keep the summary under 500 words and write it for a church member who missed the service.",

	domain.ContentDevotional: "Based on the attached sermon document, write a short daily devotional. " +
		"Open with one scripture verse drawn from the sermon, follow with two or three paragraphs of reflection " +
		"connecting the sermon's message to everyday life, and close with a one-sentence prayer.",

	domain.ContentBibleStudy: "Based on the attached sermon document, prepare a small-group bible study guide. " +
		"Include the main passage, three to five discussion questions that move from observation to application, " +
		"and a closing prompt for group prayer. Format the guide with clear section headings.",
}

// DefaultText returns the compiled-in prompt for a content type.
func DefaultText(ct domain.ContentType) string {
	return defaults[ct]
}
