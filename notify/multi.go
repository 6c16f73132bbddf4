package notify

import "inspire-scraper/scraper"

// Multi fans every notification out to each observer in order
type Multi []scraper.Observer

func (m Multi) OnRegionStarted(e scraper.RegionEvent) {
	for _, o := range m {
		if o != nil {
			o.OnRegionStarted(e)
		}
	}
}

func (m Multi) OnSubregionStarted(e scraper.SubregionEvent) {
	for _, o := range m {
		if o != nil {
			o.OnSubregionStarted(e)
		}
	}
}

func (m Multi) OnLeafProgress(e scraper.LeafProgress) {
	for _, o := range m {
		if o != nil {
			o.OnLeafProgress(e)
		}
	}
}

func (m Multi) OnError(e scraper.StepError) {
	for _, o := range m {
		if o != nil {
			o.OnError(e)
		}
	}
}
