package fault

// Category groups kinds by the remedy an operator should be offered.
type Category string

const (
	CategoryDevice      Category = "device"
	CategoryRecognition Category = "recognition"
	CategoryCorrection  Category = "correction"
	CategoryQuery       Category = "query"
	CategoryStorage     Category = "storage"
	CategoryGeneric     Category = "generic"
)

// Remedy maps a kind to its category and an operator-facing message.
func Remedy(kind Kind) (Category, string) {
	switch kind {
	case KindDevice:
		return CategoryDevice, "The microphone could not be opened. Check the audio device and start recording again."
	case KindRecognition:
		return CategoryRecognition, "Speech could not be recognized. Please speak clearly and try again."
	case KindCorrection:
		return CategoryCorrection, "The recognized text could not be processed. Try again with a longer, clearer sentence."
	case KindQueryGeneration, KindQueryValidation:
		return CategoryQuery, "The search request was not understood. Try for example: 'find Python books', 'books under 100,000', 'books about AI from 2023'."
	case KindStorage, KindFormat:
		return CategoryStorage, "The catalog could not be queried. Check the database connection and try again later."
	default:
		return CategoryGeneric, "Something went wrong while processing the request. Please try again."
	}
}
