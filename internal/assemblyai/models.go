package assemblyai

// Transcript statuses reported by the provider.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Translation sub-statuses inside speech_understanding.response.
const (
	TranslationSuccess = "success"
	TranslationFailed  = "failed"
	TranslationError   = "error"
)

// SubmitRequest configures a new transcription.
type SubmitRequest struct {
	// LanguageCode disables automatic language detection when set.
	LanguageCode    string
	TargetLanguages []string
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL            string                      `json:"audio_url"`
	SpeechModel         string                      `json:"speech_model,omitempty"`
	LanguageDetection   bool                        `json:"language_detection"`
	LanguageCode        string                      `json:"language_code,omitempty"`
	SpeechUnderstanding *speechUnderstandingRequest `json:"speech_understanding,omitempty"`
}

type understandingRequest struct {
	TranscriptID        string                      `json:"transcript_id"`
	SpeechUnderstanding *speechUnderstandingRequest `json:"speech_understanding"`
}

type speechUnderstandingRequest struct {
	Request struct {
		Translation translationRequest `json:"translation"`
	} `json:"request"`
}

type translationRequest struct {
	TargetLanguages []string `json:"target_languages"`
	Formal          bool     `json:"formal"`
}

func newSpeechUnderstanding(targets []string) *speechUnderstandingRequest {
	if len(targets) == 0 {
		return nil
	}
	su := &speechUnderstandingRequest{}
	su.Request.Translation = translationRequest{TargetLanguages: targets}
	return su
}

// Transcript is the provider's view of a transcription job.
type Transcript struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
	// AudioDuration is in seconds.
	AudioDuration       float64              `json:"audio_duration"`
	Error               string               `json:"error,omitempty"`
	TranslatedTexts     map[string]string    `json:"translated_texts,omitempty"`
	SpeechUnderstanding *SpeechUnderstanding `json:"speech_understanding,omitempty"`
}

type SpeechUnderstanding struct {
	Response *UnderstandingResponse `json:"response,omitempty"`
}

type UnderstandingResponse struct {
	Translation *TranslationState `json:"translation,omitempty"`
}

type TranslationState struct {
	Status string `json:"status"`
}

func (t *Transcript) IsCompleted() bool { return t.Status == StatusCompleted }

func (t *Transcript) IsError() bool { return t.Status == StatusError }

// Translation returns the translated text for lang, or "" when absent.
func (t *Transcript) Translation(lang string) string {
	if t.TranslatedTexts == nil {
		return ""
	}
	return t.TranslatedTexts[lang]
}

// HasUnderstanding reports whether the provider attached any
// speech_understanding response to the transcript.
func (t *Transcript) HasUnderstanding() bool {
	return t.SpeechUnderstanding != nil && t.SpeechUnderstanding.Response != nil
}

// TranslationStatus returns the translation sub-status, or "" if none.
func (t *Transcript) TranslationStatus() string {
	if !t.HasUnderstanding() || t.SpeechUnderstanding.Response.Translation == nil {
		return ""
	}
	return t.SpeechUnderstanding.Response.Translation.Status
}

var supportedLanguages = map[string]struct{}{
	"en": {}, "es": {}, "fr": {}, "de": {}, "it": {}, "pt": {}, "nl": {}, "hi": {},
	"ja": {}, "zh": {}, "fi": {}, "ko": {}, "pl": {}, "ru": {}, "tr": {}, "uk": {},
	"vi": {}, "ar": {}, "da": {}, "el": {}, "id": {}, "ms": {}, "no": {}, "ro": {},
	"sv": {}, "th": {}, "cs": {}, "hu": {}, "sk": {}, "bg": {},
}

// IsSupportedLanguage reports whether code may be sent as a language hint.
func IsSupportedLanguage(code string) bool {
	_, ok := supportedLanguages[code]
	return ok
}
